package redis

import (
	"encoding/json"
	"testing"

	"github.com/pscheid92/liveview/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	at, err := parseID("1700000000000-3")
	require.NoError(t, err)
	assert.Equal(t, domain.Position{Major: 1700000000000, Minor: 3}, at)

	for _, bad := range []string{"", "17", "x-1", "1-y"} {
		_, err := parseID(bad)
		assert.Error(t, err, "id=%q", bad)
	}
}

func TestHistoryLost(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
		info   *goredis.XInfoStream
		want   bool
	}{
		{name: "no stream", cursor: "5-0", info: nil, want: false},
		{
			name:   "nothing trimmed",
			cursor: "0-0",
			info:   &goredis.XInfoStream{Length: 3, EntriesAdded: 3, FirstEntry: goredis.XMessage{ID: "1-0"}},
			want:   false,
		},
		{
			name:   "cursor inside retained range",
			cursor: "4-0",
			info:   &goredis.XInfoStream{Length: 3, EntriesAdded: 6, FirstEntry: goredis.XMessage{ID: "4-0"}},
			want:   false,
		},
		{
			name:   "cursor behind retained range",
			cursor: "2-0",
			info:   &goredis.XInfoStream{Length: 3, EntriesAdded: 6, FirstEntry: goredis.XMessage{ID: "4-0"}},
			want:   true,
		},
		{
			name:   "stream emptied after cursor",
			cursor: "2-0",
			info:   &goredis.XInfoStream{Length: 0, EntriesAdded: 6, LastGeneratedID: "6-0"},
			want:   true,
		},
		{
			name:   "stream emptied at cursor",
			cursor: "6-0",
			info:   &goredis.XInfoStream{Length: 0, EntriesAdded: 6, LastGeneratedID: "6-0"},
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, historyLost(tt.cursor, tt.info))
		})
	}
}

func TestNotification(t *testing.T) {
	n, err := notification(goredis.XMessage{
		ID: "10-2",
		Values: map[string]any{
			fieldOp:  "update",
			fieldKey: `{"_id":1}`,
			fieldDoc: `{"_id":1,"v":"b"}`,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "update", n.Operation)
	assert.JSONEq(t, `{"_id":1}`, string(n.Key))
	assert.JSONEq(t, `{"_id":1,"v":"b"}`, string(n.Document))
	assert.Equal(t, domain.ResumeToken("10-2"), n.Token)
	assert.Equal(t, domain.Position{Major: 10, Minor: 2}, n.At)
}

func TestNotification_DeleteHasNoDocument(t *testing.T) {
	n, err := notification(goredis.XMessage{
		ID:     "10-3",
		Values: map[string]any{fieldOp: "delete", fieldKey: `{"_id":1}`},
	})
	require.NoError(t, err)
	assert.Nil(t, n.Document)
	assert.Equal(t, json.RawMessage(`{"_id":1}`), n.Key)
}
