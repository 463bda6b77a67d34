// Package session implements the call lifecycle.
//
// A Session moves through idle, connecting, connected, failed and ended.
// It is the only component the host UI drives: intents go to the Session,
// which applies the pure transitions of package controls, performs the
// matching hardware effect through a media.Controller, and mirrors the
// result into the participant.Registry.
//
// Example:
//
//	ctrl, _ := media.NewController(devices.NewProvider(devices.DefaultConfig()))
//	sess, err := session.New(session.Config{
//	    Controller:   ctrl,
//	    Transport:    tr,
//	    ChannelLabel: "#design",
//	    OnEnded:      func(s session.Summary) { closeDialog() },
//	})
//	if err != nil {
//	    return err
//	}
//	if err := sess.Start(ctx, media.CallTypeVideo); err != nil {
//	    // show an inline retry; sess.Retry(ctx) re-runs acquisition
//	}
//	defer sess.End()
//
// Losing a track mid-call forces the matching control off instead of
// failing the session. Screen sharing replaces the camera; stopping it,
// from the application or from the OS, brings the camera back. Only a
// fatal transport failure or End finishes the session, and OnEnded runs
// exactly once either way.
package session
