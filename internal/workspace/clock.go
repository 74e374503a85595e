package workspace

import "time"

// nowUnixNano is a seam for tests; production code always uses time.Now.
var nowUnixNano = func() int64 {
	return time.Now().UnixNano()
}
