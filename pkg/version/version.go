// Package version exposes build information injected at link time.
package version

import (
	"fmt"
	"strconv"
	"time"
)

var (
	// Set at build time with -ldflags.
	version   = "unknown"
	buildTime = ""
)

func Version() string {
	return version
}

func BuildTime() (time.Time, error) {
	epoch, err := strconv.ParseInt(buildTime, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("no build time recorded")
	}
	return time.Unix(epoch, 0), nil
}
