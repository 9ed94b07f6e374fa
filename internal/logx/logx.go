// Package logx provides level-filtered logging on top of the standard
// library's log package, matching the "component: message" prefix
// convention used throughout the teacher codebase's log.Printf calls
// (e.g. "ws: dispatch parse error session=%s: %v").
package logx

import (
	"log"
	"sync/atomic"
)

// Level orders from least to most severe, matching ckpool's own log levels
// (spec §4.6 loglevel command).
type Level int32

const (
	Debug Level = iota
	Info
	Notice
	Warning
	Error
	Emergency
)

var current atomic.Int32

func init() {
	current.Store(int32(Info))
}

// SetLevel sets the process-wide minimum level. Called at startup from
// config.LogLevel and at runtime by the control loop's loglevel=N command
// (spec §4.6).
func SetLevel(l Level) {
	current.Store(int32(l))
}

func enabled(l Level) bool {
	return int32(l) >= current.Load()
}

func logf(l Level, component, format string, args ...interface{}) {
	if !enabled(l) {
		return
	}
	log.Printf("connector: "+component+": "+format, args...)
}

func Debugf(component, format string, args ...interface{})     { logf(Debug, component, format, args...) }
func Infof(component, format string, args ...interface{})      { logf(Info, component, format, args...) }
func Noticef(component, format string, args ...interface{})    { logf(Notice, component, format, args...) }
func Warningf(component, format string, args ...interface{})   { logf(Warning, component, format, args...) }
func Errorf(component, format string, args ...interface{})     { logf(Error, component, format, args...) }
func Emergencyf(component, format string, args ...interface{}) { logf(Emergency, component, format, args...) }
