package cache

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Stats is a snapshot of the manager counters.
type Stats struct {
	Hits         int64            `json:"hits"`
	Misses       int64            `json:"misses"`
	HitsByTier   map[string]int64 `json:"hits_by_tier"`
	Sets         int64            `json:"sets"`
	Deletes      int64            `json:"deletes"`
	Errors       int64            `json:"errors"`
	BytesWritten int64            `json:"bytes_written"`
	AverageSize  float64          `json:"average_size"`
	HitRate      float64          `json:"hit_rate"`
	LocalEntries int              `json:"local_entries"`
	LocalBytes   int64            `json:"local_bytes"`
}

type counters struct {
	hitsLocal    *xsync.Counter
	hitsRemote   *xsync.Counter
	hitsProvider *xsync.Counter
	misses       *xsync.Counter
	sets         *xsync.Counter
	deletes      *xsync.Counter
	errors       *xsync.Counter
	bytesWritten *xsync.Counter
}

func newCounters() *counters {
	return &counters{
		hitsLocal:    xsync.NewCounter(),
		hitsRemote:   xsync.NewCounter(),
		hitsProvider: xsync.NewCounter(),
		misses:       xsync.NewCounter(),
		sets:         xsync.NewCounter(),
		deletes:      xsync.NewCounter(),
		errors:       xsync.NewCounter(),
		bytesWritten: xsync.NewCounter(),
	}
}

func (c *counters) hit(tier string) {
	switch tier {
	case TierLocal:
		c.hitsLocal.Inc()
	case TierRemote:
		c.hitsRemote.Inc()
	case TierProvider:
		c.hitsProvider.Inc()
	}
}

func (c *counters) snapshot() Stats {
	byTier := map[string]int64{
		TierLocal:    c.hitsLocal.Value(),
		TierRemote:   c.hitsRemote.Value(),
		TierProvider: c.hitsProvider.Value(),
	}
	s := Stats{
		HitsByTier:   byTier,
		Misses:       c.misses.Value(),
		Sets:         c.sets.Value(),
		Deletes:      c.deletes.Value(),
		Errors:       c.errors.Value(),
		BytesWritten: c.bytesWritten.Value(),
	}
	for _, n := range byTier {
		s.Hits += n
	}
	if s.Sets > 0 {
		s.AverageSize = float64(s.BytesWritten) / float64(s.Sets)
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

func (c *counters) reset() {
	c.hitsLocal.Reset()
	c.hitsRemote.Reset()
	c.hitsProvider.Reset()
	c.misses.Reset()
	c.sets.Reset()
	c.deletes.Reset()
	c.errors.Reset()
	c.bytesWritten.Reset()
}
