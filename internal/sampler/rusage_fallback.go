//go:build !unix

package sampler

import "errors"

const rusageSupported = false

func readRusage() (counters, error) {
	return counters{}, errors.New("process accounting is not available on this platform")
}
