package logging

import (
	"strings"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

// UseLoggingInterface routes fx's own events through the Interface
// provided inside the container.
var UseLoggingInterface fx.Option = fx.WithLogger(
	func(logger Interface) fxevent.Logger {
		return &fxLoggerAdapter{Interface: logger}
	},
)

type fxLoggerAdapter struct{ Interface }

// LogEvent logs an fx event. Hook and provide events are debug noise for a
// one-shot agent, so only failures and lifecycle transitions surface at info.
func (f fxLoggerAdapter) LogEvent(event fxevent.Event) {
	log := f.Interface.WithField("fx", "event")

	switch e := event.(type) {
	case *fxevent.OnStartExecuted:
		debugOrErr("OnStart hook", e.Err, log.WithField("callee", e.FunctionName))
	case *fxevent.OnStopExecuted:
		debugOrErr("OnStop hook", e.Err, log.WithField("callee", e.FunctionName))
	case *fxevent.Provided:
		if e.Err != nil {
			log.WithField("constructor", e.ConstructorName).
				WithError(e.Err).
				Error("error encountered while applying options")
		}
	case *fxevent.Invoked:
		debugOrErr("Invoke", e.Err, log.WithField("function", e.FunctionName))
	case *fxevent.Stopping:
		log.WithField("signal", strings.ToUpper(e.Signal.String())).
			Info("Stopping: received signal")
	case *fxevent.Stopped:
		debugOrErr("App stop", e.Err, log)
	case *fxevent.RollingBack:
		debugOrErr("Start failed, rolling back", e.StartErr, log)
	case *fxevent.Started:
		debugOrErr("App start", e.Err, log)
	case *fxevent.LoggerInitialized:
		debugOrErr("Custom logger initialization", e.Err, log.WithField("function", e.ConstructorName))
	}
}

func debugOrErr(msg string, err error, log Interface) {
	if err == nil {
		log.Debug(msg + " succeeded")
		return
	}
	log.WithError(err).Error(msg + " failed")
}
