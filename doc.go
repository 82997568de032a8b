// Package webrtcbridge connects a game-engine host to a WebRTC robot
// teleoperation session.
//
// The bridge receives the robot's stereo H.264 video and Opus audio, decodes
// each eye into a texture shared with the host renderer, carries the
// application data channels (service, state, command, audit) and optionally
// sends the local microphone back.
//
// # Host surface
//
// The host drives the bridge through a flat command surface mirroring the
// native plugin exports:
//
//	webrtcbridge.Init(opts, webrtcbridge.Callbacks{
//	    Log:      func(msg string, level hostlog.Level, n int) { ... },
//	    OnAnswer: func(sdp string) { signalling.SendAnswer(sdp) },
//	})
//	defer webrtcbridge.Shutdown()
//
//	webrtcbridge.CreateDevice()
//	left := webrtcbridge.CreateTexture(960, 720, true)
//	right := webrtcbridge.CreateTexture(960, 720, false)
//	webrtcbridge.CreatePipeline("ws://robot:8443", producerPeerID)
//
//	// every rendered frame, on the render thread
//	webrtcbridge.RenderEvent()
//
// Nothing on the flat surface returns an error: failures are reported through
// the Log callback, or by an expected callback never arriving. Go callers
// that want errors use the *Bridge methods directly.
//
// # Threads
//
//   - Host/render thread: CreateTexture, Draw, RenderEvent, ReleaseTexture.
//   - One bus goroutine per pipeline (AV, data, mic).
//   - Engine streaming threads: pad-added and frame callbacks.
//
// DestroyPipeline blocks until the pipeline's bus goroutine has exited.
//
// # Callbacks
//
// Host callbacks live in a single process-wide registry keyed by subsystem,
// installed by Init and cleared by Shutdown. Callbacks that arrive after
// Shutdown are dropped.
package webrtcbridge
