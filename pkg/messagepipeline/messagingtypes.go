package messagepipeline

import (
	"time"
)

// Message is the internal representation of a delivery flowing through a
// pipeline service. It carries the payload together with the handles used to
// settle the delivery with its source.
type Message struct {
	MessageData

	// Attributes holds broker metadata (Pub/Sub attributes, queue attributes).
	Attributes map[string]string

	// Ack settles the delivery as successfully processed.
	Ack func()

	// Nack returns the delivery to its source for redelivery.
	Nack func()

	// DeadLetter moves the delivery straight to its source's dead-letter
	// channel. It is nil when the source has no such channel.
	DeadLetter func(reason string)
}

// MessageData holds the essential payload of a message.
type MessageData struct {
	// ID is the identifier assigned by the source broker.
	ID string `json:"id"`

	// Payload is the raw byte content of the message.
	Payload []byte `json:"payload"`

	// PublishTime is the time the message was accepted by the source.
	PublishTime time.Time `json:"publishTime"`

	// DeliveryAttempt counts how many times the source has handed out this
	// message, including the current delivery. Zero when unknown.
	DeliveryAttempt int `json:"deliveryAttempt,omitempty"`
}
