// Package log bridges third-party logger interfaces onto logrus.
package log

import "github.com/sirupsen/logrus"

// BadgerLogrusAdapter satisfies badger.Logger by delegating to a scoped
// logrus entry. Badger's INFO output is chatty (compaction, value log
// rotation), so Infof is demoted to debug; errors and warnings keep their
// level.
type BadgerLogrusAdapter struct {
	entry *logrus.Entry
}

func NewBadgerLogrusAdapter(entry *logrus.Entry) *BadgerLogrusAdapter {
	return &BadgerLogrusAdapter{entry: entry}
}

func (a *BadgerLogrusAdapter) Errorf(format string, args ...any) {
	a.entry.Errorf(format, args...)
}

func (a *BadgerLogrusAdapter) Warningf(format string, args ...any) {
	a.entry.Warningf(format, args...)
}

func (a *BadgerLogrusAdapter) Infof(format string, args ...any) {
	a.entry.Debugf(format, args...)
}

func (a *BadgerLogrusAdapter) Debugf(format string, args ...any) {
	a.entry.Debugf(format, args...)
}
