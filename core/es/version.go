package es

import "log/slog"

// Version is the position of an aggregate within its own event stream:
// 0 before the first event, then counting up by one per applied event.
// Saves carry the version the writer last observed, and the store rejects
// the append when the stream has moved past it.
type Version uint64

func (v Version) Uint64() uint64 { return uint64(v) }

// SlogAttr returns the version as a "version" log attribute.
func (v Version) SlogAttr() slog.Attr { return v.SlogAttrWithKey("version") }

// SlogAttrWithKey returns the version as a log attribute under key, for log
// lines that carry more than one version (e.g. expected vs actual).
func (v Version) SlogAttrWithKey(key string) slog.Attr { return slog.Uint64(key, uint64(v)) }
