package log

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
)

// Listen accepts log streams on addr and copies every stream to out until ctx
// is done. Lines of concurrent streams are not interleaved mid-write.
func Listen(ctx context.Context, addr string, out io.Writer, logger *zap.Logger) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	logger.Info("listening for logs", zap.String("addr", ln.Addr().String()))
	return Serve(ctx, ln, out)
}

// Serve is Listen over an existing listener.
func Serve(ctx context.Context, ln net.Listener, out io.Writer) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	w := &lockedWriter{w: out}
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			go func() {
				<-ctx.Done()
				conn.Close()
			}()
			_, _ = io.Copy(w, conn)
		}()
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
