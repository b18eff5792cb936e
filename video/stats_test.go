package video

import (
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"camrelay/video/process"
)

func TestCollector(t *testing.T) {
	r, _ := newTestRelay(t, process.Identity{}, 0, Options{QueueCapacity: 2})
	r.Ingest(make([]byte, 4), &gray4)
	for i := 0; i < 4; i++ {
		r.Ingest(make([]byte, 4), nil)
	}

	c := NewCollector(r)
	if n := testutil.CollectAndCount(c); n != 17 {
		t.Errorf("collected %d metrics, want 17", n)
	}

	expected := fmt.Sprintf(`
# HELP camrelay_frames_dropped_total Frames evicted from a full queue.
# TYPE camrelay_frames_dropped_total counter
camrelay_frames_dropped_total{relay="%[1]s"} 3
# HELP camrelay_queue_depth Frames waiting for a worker.
# TYPE camrelay_queue_depth gauge
camrelay_queue_depth{relay="%[1]s"} 2
`, r.ID)
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"camrelay_frames_dropped_total", "camrelay_queue_depth")
	if err != nil {
		t.Error(err)
	}
}
