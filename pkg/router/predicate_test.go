package router_test

import (
	"testing"

	"github.com/jackjduggan/ds-eda-ca/pkg/objectevent"
	"github.com/jackjduggan/ds-eda-ca/pkg/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEvent(t *testing.T, kind objectevent.Kind, key string, attrs map[string]string) objectevent.ObjectEvent {
	t.Helper()
	evt, err := objectevent.New(kind, key, attrs)
	require.NoError(t, err)
	return evt
}

func TestPredicates(t *testing.T) {
	removed := mustEvent(t, objectevent.Removed, "cat.png", map[string]string{"eventName": "ObjectRemoved:Delete"})
	update := mustEvent(t, objectevent.Annotated, "cat.png", map[string]string{"commentType": "update"})
	caption := mustEvent(t, objectevent.Annotated, "cat.png", map[string]string{"commentType": "caption"})
	bare := mustEvent(t, objectevent.Annotated, "cat.png", nil)

	testCases := []struct {
		name string
		pred router.Predicate
		evt  objectevent.ObjectEvent
		want bool
	}{
		{"kind matches", router.KindIs(objectevent.Removed), removed, true},
		{"kind differs", router.KindIs(objectevent.Created), removed, false},
		{"kind one of several", router.KindIs(objectevent.Created, objectevent.Annotated), update, true},
		{"attribute allowed", router.AttributeIn("commentType", "update"), update, true},
		{"attribute not allowed", router.AttributeIn("commentType", "update"), caption, false},
		{"attribute missing", router.AttributeIn("commentType", "update"), bare, false},
		{"prefix matches", router.AttributePrefix("eventName", "ObjectRemoved"), removed, true},
		{"prefix missing attribute", router.AttributePrefix("eventName", "ObjectRemoved"), update, false},
		{"exists", router.AttributeExists("commentType"), caption, true},
		{"does not exist", router.AttributeExists("commentType"), bare, false},
		{
			"conjunction all true",
			router.All(router.KindIs(objectevent.Removed), router.AttributePrefix("eventName", "ObjectRemoved")),
			removed, true,
		},
		{
			"conjunction one false",
			router.All(router.KindIs(objectevent.Annotated), router.AttributePrefix("eventName", "ObjectRemoved")),
			update, false,
		},
		{"empty conjunction", router.All(), bare, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.pred.Match(tc.evt))
		})
	}
}

func TestPredicate_String(t *testing.T) {
	p := router.All(router.KindIs(objectevent.Removed), router.AttributeIn("commentType", "update"))

	assert.Equal(t, `(kind in [Removed] and commentType in ["update"])`, p.String())
}
