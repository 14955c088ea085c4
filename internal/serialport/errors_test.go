package serialport

import "errors"

var errTest = errors.New("serialport test: injected failure")
