// Command qdl-agent owns the USB transport and a connection.Engine, and
// exposes them over gRPC (for qdl and other orchestrators) and a small gin
// HTTP status/control API (for scripting and dashboards).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"

	"qdl/internal/agentserver"
	"qdl/internal/config"
	"qdl/internal/transport/usb"
	"qdl/internal/verboselog"
	edlpbv1 "qdl/internal/rpc/edlpb/v1"
	"qdl/pkg/edl/connection"
)

func main() {
	grpcAddr := flag.String("grpc-addr", ":7070", "gRPC listen address")
	httpAddr := flag.String("http-addr", ":7080", "HTTP status/control API listen address")
	logJSON := flag.String("log-json", "", "write verbose protocol lines as JSON to this file instead of the log")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("qdl-agent: load config: %v", err)
	}
	if *logJSON == "" {
		*logJSON = cfg.LogJSONPath
	}

	tr := usb.New(cfg.USBVendorID, cfg.USBProductID)
	eng := connection.New(tr)
	eng.Summary = func(format string, args ...any) { log.Printf(format, args...) }
	if *logJSON != "" {
		verbose, f, err := verboselog.Open(*logJSON)
		if err != nil {
			log.Fatalf("qdl-agent: %v", err)
		}
		defer f.Close()
		eng.Verbose = verbose
	} else {
		eng.Verbose = func(format string, args ...any) { log.Printf("[verbose] "+format, args...) }
	}

	srv := agentserver.New(eng)

	grpcServer := grpc.NewServer(edlpbv1.ServerOption())
	edlpbv1.RegisterAgentServer(grpcServer, srv)

	lis, err := net.Listen("tcp", *grpcAddr)
	if err != nil {
		log.Fatalf("qdl-agent: listen grpc: %v", err)
	}
	go func() {
		log.Printf("qdl-agent: grpc listening on %s", *grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Printf("qdl-agent: grpc server stopped: %v", err)
		}
	}()

	router := gin.Default()
	router.GET("/status", func(c *gin.Context) {
		status, _ := srv.GetStatus(c.Request.Context(), &edlpbv1.StatusRequest{})
		c.JSON(http.StatusOK, status)
	})
	router.GET("/partitions", func(c *gin.Context) {
		resp, err := srv.ListPartitions(c.Request.Context(), &edlpbv1.ListPartitionsRequest{LUN: -1})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, resp)
	})
	router.POST("/reboot", func(c *gin.Context) {
		var req edlpbv1.RebootRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		resp, _ := srv.Reboot(c.Request.Context(), &req)
		c.JSON(http.StatusOK, resp)
	})

	httpServer := &http.Server{Addr: *httpAddr, Handler: router}
	go func() {
		log.Printf("qdl-agent: http listening on %s", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("qdl-agent: http server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fmt.Println("qdl-agent: shutting down")
	grpcServer.GracefulStop()
	_ = httpServer.Shutdown(context.Background())
	_ = eng.Close()
}
