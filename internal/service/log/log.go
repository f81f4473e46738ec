package log

// Logger is the interface that the loggers used by the application
// need to implement.
type Logger interface {
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	WithValues(values map[string]interface{}) Logger
}

// Dummy logger doesn't log anything. Satisfies the Logger interface.
var Dummy Logger = dummy{}

type dummy struct{}

func (dummy) Infof(format string, args ...interface{})    {}
func (dummy) Warningf(format string, args ...interface{}) {}
func (dummy) Errorf(format string, args ...interface{})   {}
func (dummy) Debugf(format string, args ...interface{})   {}
func (d dummy) WithValues(map[string]interface{}) Logger  { return d }
