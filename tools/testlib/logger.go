// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package testlib

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/ceiler/hookagent/internal/plog"
	"github.com/stretchr/testify/mock"
)

type LoggerMockup struct {
	mock.Mock
}

func (l *LoggerMockup) Debug(v ...interface{}) {
	l.Called(v...)
}

func (l *LoggerMockup) Debugf(format string, v ...interface{}) {
	args := make([]interface{}, 0, len(v)+1)
	args = append(args, format)
	args = append(args, v...)
	l.Called(args...)
}

func (l *LoggerMockup) Info(v ...interface{}) {
	l.Called(v...)
}

func (l *LoggerMockup) Infof(format string, v ...interface{}) {
	args := make([]interface{}, 0, len(v)+1)
	args = append(args, format)
	args = append(args, v...)
	l.Called(args...)
}

func (l *LoggerMockup) Error(err error) {
	l.Called(err)
}

// NewLogger returns a logger suitable for tests: debug level on stderr when
// running verbose tests, an error-only sink into the returned channel
// otherwise.
func NewLogger(t *testing.T) (*plog.Logger, chan error) {
	errChan := make(chan error, 1024)
	if testing.Verbose() {
		return plog.NewLogger(plog.Debug, os.Stderr, errChan), errChan
	}
	return plog.NewLogger(plog.Error, ioutil.Discard, errChan), errChan
}
