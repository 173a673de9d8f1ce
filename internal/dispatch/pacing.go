package dispatch

import (
	"math/rand"
	"time"
)

const (
	minGap     = 3 * time.Second
	maxGap     = 8 * time.Second
	pauseEvery = 10
	minPause   = 15 * time.Second
	maxPause   = 30 * time.Second
)

// Delay is the pause a worker takes before sending the job at messageIndex.
// The first message goes out at once; every tenth takes a longer break.
func Delay(messageIndex int, rnd *rand.Rand) time.Duration {
	if messageIndex <= 0 {
		return 0
	}
	if messageIndex%pauseEvery == 0 {
		return between(rnd, minPause, maxPause)
	}
	return between(rnd, minGap, maxGap)
}

func between(rnd *rand.Rand, lo, hi time.Duration) time.Duration {
	span := int64(hi - lo)
	var n int64
	if rnd != nil {
		n = rnd.Int63n(span + 1)
	} else {
		n = rand.Int63n(span + 1)
	}
	return lo + time.Duration(n)
}
