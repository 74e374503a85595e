package materialize

import "time"

func unixNanoToTime(ts int64) time.Time {
	return time.Unix(0, ts).UTC()
}
