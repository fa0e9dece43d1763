package lock

import "context"

// Layered takes Local first and Remote second. Its Release always runs the
// remote unlock after the local one, whatever happened in between.
type Layered struct {
	Local  Locker
	Remote Locker
}

var _ Locker = Layered{}

// Acquire implements Locker.
func (l Layered) Acquire(ctx context.Context, key string) (Release, error) {
	releaseLocal, err := l.Local.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	if l.Remote == nil {
		return releaseLocal, nil
	}

	releaseRemote, err := l.Remote.Acquire(ctx, key)
	if err != nil {
		releaseLocal()
		return nil, err
	}
	return func() {
		defer releaseRemote()
		releaseLocal()
	}, nil
}
