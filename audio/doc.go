// Package audio handles the playback half of a voice session: decoding
// PCM16 response fragments and scheduling them gaplessly on an output
// clock.
//
// The Scheduler consumes fragments strictly in arrival order and stamps
// each one with a start time so consecutive buffers play back to back:
// a buffer starts exactly when the previous one ends, or immediately
// when the timeline has run dry. Barge-in flushes the queue and resets
// the cursor so stale assistant audio never plays over the user.
//
// # Usage Example
//
//	scheduler := audio.NewScheduler(audio.SchedulerConfig{
//	    SampleRate: audio.SampleRate24kHz,
//	    OnPlay: func(buffer audio.Buffer) {
//	        sink.Play(buffer)
//	    },
//	})
//
//	for fragment := range responseAudio {
//	    scheduler.Enqueue(fragment)
//	}
//	scheduler.Close()
package audio
