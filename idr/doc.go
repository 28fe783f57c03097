// Package idr schedules keyframe (IDR) insertion for loss recovery.
//
// The stream does not retransmit video. When the receiver reports loss, or a
// new stream starts, the encoder must emit a frame that references no earlier
// frame. The Scheduler separates the event ("loss happened", reported from
// the network goroutine) from the action ("insert now", polled on the
// encoder's cadence):
//
//	sched := idr.NewScheduler(idr.MinInterval(cfg.KeyframeInterval, cfg.Aggressive))
//
//	// network goroutine, on a loss report
//	sched.OnPacketLoss()
//
//	// encoder goroutine, once per frame
//	if sched.PollAndConsume() {
//	    enc.InsertIDR()
//	}
//
// Arming backdates the earliest insert time by two minimum intervals, so the
// poll after a loss always fires. Driver wraps the polling loop in a ticker.
//
// # Deterministic Testing
//
// Inject a TimeProvider with WithTimeProvider to control Now in tests.
package idr
