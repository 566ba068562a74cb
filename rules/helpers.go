package rules

import (
	"strconv"
)

func fingerprintVal(fp uint64) string {
	return strconv.FormatUint(fp, 16)
}
