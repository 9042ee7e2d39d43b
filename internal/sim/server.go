package sim

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"

	"github.com/banshee-data/conveyor/internal/gateway"
)

// ServeGRPC serves the cell's services over gRPC on lis until ctx is done.
func ServeGRPC(ctx context.Context, lis net.Listener, cell *Cell) error {
	srv := grpc.NewServer()
	gateway.RegisterGRPC(srv, cell)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		srv.GracefulStop()
	}()

	err := srv.Serve(lis)
	if ctx.Err() != nil {
		<-stopped
		return nil
	}
	return err
}

// ServeHTTP serves the cell's services over HTTP on lis until ctx is done.
func ServeHTTP(ctx context.Context, lis net.Listener, cell *Cell) error {
	srv := &http.Server{
		Handler:           gateway.NewHTTPHandler(cell),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
