package transport

import (
	"context"
	"net"

	"golang.org/x/time/rate"
)

// LimitListener bounds the accept rate of l with a token bucket of
// ratePerSec sustained accepts and burst allowance. A non-positive rate
// returns l unchanged. Each key exchange costs sponge and AEAD work, so
// listeners cap how fast unauthenticated peers can make them spend it.
func LimitListener(l Listener, ratePerSec float64, burst int) Listener {
	if ratePerSec <= 0 {
		return l
	}
	if burst < 1 {
		burst = 1
	}
	return &limitedListener{
		Listener: l,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

type limitedListener struct {
	Listener
	limiter *rate.Limiter
}

func (l *limitedListener) Accept(ctx context.Context) (net.Conn, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.Listener.Accept(ctx)
}
