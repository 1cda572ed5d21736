package logging

import "os"

var envHostname = os.Getenv("HOSTNAME")

// Hostname derives an OS hostname to use in log fields. If the `HOSTNAME`
// env var is set, it takes precedence, else falling back to os.Hostname().
func Hostname() string {
	if envHostname != "" {
		return envHostname
	}
	h, _ := os.Hostname()
	return h
}
