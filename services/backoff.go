package services

import (
	"time"
)

// failureBackoff はトラッカー障害が failures 回続いたエントリの待ち時間を返す
//
// base * 2^(failures-1) を capDur で頭打ちにし、後半の半分にジッターをかける
//
//	failures=1 -> [base/2, base)
//	failures=2 -> [base, 2*base)
//
// jitter は [0, n) の乱数を返す関数 (nil ならジッターなし)
func failureBackoff(failures int, base, capDur time.Duration, jitter func(n int64) int64) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if capDur > 0 && capDur < base {
		return capDur
	}
	if failures < 1 {
		failures = 1
	}

	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if capDur > 0 && delay >= capDur {
			delay = capDur
			break
		}
	}

	half := delay / 2
	if jitter == nil || half <= 0 {
		return delay
	}
	return half + time.Duration(jitter(int64(half)))
}
