package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyhue1991/opencode-feishu/stream"
)

func TestBufferMonotonicTextGrowth(t *testing.T) {
	b := NewBuffer("msg-1", "sess-1")

	lengths := []int{}
	record := func() { lengths = append(lengths, len(b.View().Text)) }

	b.AppendText("Hel")
	record()
	b.AppendText("lo")
	record()
	b.SetText("Hello, world")
	record()
	// A shorter authoritative snapshot is a replayed stale event and must
	// not shrink the accumulated answer.
	b.SetText("Hi")
	record()
	b.AppendText("!")
	record()

	for i := 1; i < len(lengths); i++ {
		assert.GreaterOrEqual(t, lengths[i], lengths[i-1])
	}
	assert.Equal(t, "Hello, world!", b.View().Text)
}

func TestBufferMonotonicReasoningGrowth(t *testing.T) {
	b := NewBuffer("msg-1", "sess-1")

	b.AppendReasoning("thinking about ")
	b.AppendReasoning("it")
	assert.Equal(t, "thinking about it", b.View().Reasoning)

	b.SetReasoning("thin")
	assert.Equal(t, "thinking about it", b.View().Reasoning)

	b.SetReasoning("thinking about it, done")
	assert.Equal(t, "thinking about it, done", b.View().Reasoning)
}

func TestBufferToolTransitionMonotonic(t *testing.T) {
	b := NewBuffer("msg-1", "sess-1")

	b.UpsertTool("call-1", "bash", stream.ToolRunning)
	b.UpsertTool("call-2", "read", stream.ToolRunning)
	b.UpsertTool("call-1", "bash", stream.ToolCompleted)
	// A terminal tool state never regresses.
	b.UpsertTool("call-1", "bash", stream.ToolRunning)

	v := b.View()
	require.Len(t, v.Tools, 2)
	assert.Equal(t, "call-1", v.Tools[0].CallID)
	assert.Equal(t, stream.ToolCompleted, v.Tools[0].Status)
	assert.Equal(t, stream.ToolRunning, v.Tools[1].Status)
	assert.True(t, v.HasOpenTools())

	b.UpsertTool("call-2", "read", stream.ToolErrored)
	assert.False(t, b.View().HasOpenTools())
}

func TestBufferStatusLattice(t *testing.T) {
	b := NewBuffer("msg-1", "sess-1")
	require.Equal(t, StatusStreaming, b.Status())

	assert.True(t, b.MarkStatus(StatusError, "boom"))
	assert.False(t, b.MarkStatus(StatusDone, "finished"))
	assert.False(t, b.MarkStatus(StatusAborted, "stop"))

	v := b.View()
	assert.Equal(t, StatusError, v.Status)
	assert.Equal(t, "boom", v.StatusNote)

	// Terminal buffers are immutable to content as well.
	b.AppendText("late delta")
	b.UpsertTool("call-9", "bash", stream.ToolRunning)
	v = b.View()
	assert.Empty(t, v.Text)
	assert.Empty(t, v.Tools)
}

func TestBufferFileDedupe(t *testing.T) {
	b := NewBuffer("msg-1", "sess-1")
	b.AddFile(stream.FileRef{URL: "https://x/a.png", Name: "a.png"})
	b.AddFile(stream.FileRef{URL: "https://x/a.png", Name: "a.png"})
	b.AddFile(stream.FileRef{URL: "https://x/b.png", Name: "b.png"})
	assert.Len(t, b.View().Files, 2)
}

func TestBufferPlatformOwnershipTransfer(t *testing.T) {
	a := NewBuffer("msg-a", "sess-1")
	b := NewBuffer("msg-b", "sess-1")

	a.SetPlatformMsg("pm-1")
	id := a.ReleasePlatformMsg()
	require.Equal(t, "pm-1", id)
	b.AdoptPlatformMsg(id)

	assert.Empty(t, a.View().PlatformMsgID)
	assert.Equal(t, "pm-1", b.View().PlatformMsgID)
	assert.True(t, b.View().Carried)
}

func TestBufferInheritExecution(t *testing.T) {
	b := NewBuffer("msg-b", "sess-1")
	b.InheritExecution([]ToolCall{
		{CallID: "call-1", Name: "bash", Status: stream.ToolRunning},
		{CallID: "call-2", Name: "read", Status: stream.ToolErrored},
	}, "prior reasoning")

	v := b.View()
	require.Len(t, v.Tools, 2)
	// Inherited running tools are recorded as completed: their step ended.
	assert.Equal(t, stream.ToolCompleted, v.Tools[0].Status)
	assert.Equal(t, stream.ToolErrored, v.Tools[1].Status)
	assert.Equal(t, "prior reasoning", v.Reasoning)
	assert.False(t, v.HasOpenTools())
}

func TestBufferClearPlatformResetsFlushState(t *testing.T) {
	b := NewBuffer("msg-1", "sess-1")
	b.AdoptPlatformMsg("pm-1")
	b.RecordFlush(42, time.Unix(1700000000, 0))

	b.ClearPlatformMsg()
	v := b.View()
	assert.Empty(t, v.PlatformMsgID)
	assert.False(t, v.Carried)
	assert.Zero(t, v.LastHash)
	assert.True(t, v.LastFlush.IsZero())
}

func TestStoreLifecycle(t *testing.T) {
	s := NewStore()

	b1 := s.Ensure("msg-1", "sess-1")
	again := s.Ensure("msg-1", "sess-1")
	assert.Same(t, b1, again)

	s.SetActive("sess-1", "msg-1")
	assert.Equal(t, "msg-1", s.Active("sess-1"))

	s.Ensure("msg-2", "sess-2")
	s.SetActive("sess-2", "msg-2")
	assert.Len(t, s.ActiveBuffers(), 2)

	s.DropSession("sess-1")
	_, ok := s.Get("msg-1")
	assert.False(t, ok)
	assert.Empty(t, s.Active("sess-1"))
	assert.Equal(t, 1, s.Len())

	s.Clear()
	assert.Zero(t, s.Len())
	assert.Empty(t, s.ActiveBuffers())
}
