package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/booking-guard/pkg/logging"
)

func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	_, ok := rec.Last()
	assert.False(t, ok)

	ctx := context.Background()
	rec.Notify(ctx, Notice{Level: LevelWarning, Message: "please wait"})
	rec.Notify(ctx, Notice{Level: LevelSuccess, Message: "saved"})
	rec.Notify(ctx, Notice{Level: LevelWarning, Message: "again"})

	assert.Len(t, rec.Notices(), 3)
	assert.Equal(t, 2, rec.Count(LevelWarning))
	last, ok := rec.Last()
	require.True(t, ok)
	assert.Equal(t, "again", last.Message)

	rec.Reset()
	assert.Empty(t, rec.Notices())
}

func TestLogNotifierWritesLevel(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(logging.NewWithWriter(&buf, "info"))
	n.Notify(context.Background(), Notice{Level: LevelError, Message: "Network error", Source: "submission"})

	line := strings.TrimSpace(buf.String())
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "error", entry["notice_level"])
	assert.Equal(t, "Network error", entry["msg"])
	assert.Equal(t, "submission", entry["source"])
	assert.Equal(t, "notify", entry["component"])
}

func TestMultiAndFunc(t *testing.T) {
	rec := NewRecorder()
	var seen []string
	m := Multi{rec, nil, Nop{}, Func(func(_ context.Context, n Notice) { seen = append(seen, n.Message) })}
	m.Notify(context.Background(), Notice{Level: LevelInfo, Message: "hello"})

	assert.Len(t, rec.Notices(), 1)
	assert.Equal(t, []string{"hello"}, seen)
}
