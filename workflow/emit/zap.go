package emit

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// transportCore is a zapcore.Core that forwards entries to the transport log
// channel. Structured fields become the entry's data object.
type transportCore struct {
	zapcore.LevelEnabler
	t      *Transport
	fields []zapcore.Field
}

// NewZapCore returns a zap core writing to t's log channel.
func NewZapCore(t *Transport, enab zapcore.LevelEnabler) zapcore.Core {
	return &transportCore{LevelEnabler: enab, t: t}
}

// NewLogger returns a logger writing to t's log channel at level and above.
func NewLogger(t *Transport, level zapcore.Level) *zap.Logger {
	return zap.New(NewZapCore(t, level))
}

func (c *transportCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &transportCore{LevelEnabler: c.LevelEnabler, t: c.t}
	clone.fields = make([]zapcore.Field, 0, len(c.fields)+len(fields))
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return clone
}

func (c *transportCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *transportCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	if ent.LoggerName != "" {
		enc.Fields["logger"] = ent.LoggerName
	}

	var data interface{}
	if len(enc.Fields) > 0 {
		data = enc.Fields
	}
	c.t.Log(levelName(ent.Level), ent.Message, data)
	return nil
}

func (c *transportCore) Sync() error {
	return nil
}

func levelName(l zapcore.Level) string {
	switch {
	case l < zapcore.InfoLevel:
		return "debug"
	case l == zapcore.InfoLevel:
		return "info"
	case l == zapcore.WarnLevel:
		return "warn"
	default:
		return "error"
	}
}
