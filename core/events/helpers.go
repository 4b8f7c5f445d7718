package events

import (
	"strconv"

	"github.com/holiman/uint256"
)

func amount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func unix(ts uint64) string {
	return strconv.FormatUint(ts, 10)
}
