package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/opensandbox/opensandboxd/internal/agentreg"
	"github.com/opensandbox/opensandboxd/internal/api"
	"github.com/opensandbox/opensandboxd/internal/auth"
	"github.com/opensandbox/opensandboxd/internal/config"
	"github.com/opensandbox/opensandboxd/internal/events"
	"github.com/opensandbox/opensandboxd/internal/nfs"
	"github.com/opensandbox/opensandboxd/internal/process"
	"github.com/opensandbox/opensandboxd/internal/pty"
	"github.com/opensandbox/opensandboxd/internal/reaper"
	"github.com/opensandbox/opensandboxd/internal/runtime"
	"github.com/opensandbox/opensandboxd/internal/sandbox"
	"github.com/opensandbox/opensandboxd/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("opensandboxd: failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	metadataStore, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("opensandboxd: failed to open metadata store: %v", err)
	}
	defer metadataStore.Close()

	podmanRuntime, err := runtime.NewPodmanRuntime()
	if err != nil {
		log.Fatalf("opensandboxd: podman not available: %v", err)
	}

	workspace, err := sandbox.NewWorkspaceDirs(cfg.Workspace, cfg.DefaultSandboxDiskMB)
	if err != nil {
		log.Fatalf("opensandboxd: failed to initialize workspace root: %v", err)
	}

	emitter := events.New(cfg.WebhookURL, cfg.WebhookSecret)
	defer emitter.Close()

	auditMgr := sandbox.NewAuditManager(cfg.DataDir)
	defer auditMgr.CloseAll()

	jwtIssuer := auth.NewJWTIssuer(cfg.JWTSecret)

	controller := sandbox.New(metadataStore, podmanRuntime, workspace, emitter, auditMgr, sandbox.Options{
		DefaultImage:          cfg.DefaultImage,
		DefaultMemoryMB:       cfg.DefaultSandboxMemoryMB,
		DefaultCPUs:           cfg.DefaultSandboxCPUs,
		DefaultDiskMB:         cfg.DefaultSandboxDiskMB,
		DefaultTimeoutSeconds: cfg.DefaultTimeoutSeconds,
		MaxTimeoutSeconds:     cfg.MaxTimeoutSeconds,
		AgentAttachTimeout:    time.Duration(cfg.AgentAttachTimeoutSec) * time.Second,
		BatchDeleteMax:        cfg.BatchDeleteMax,
	})

	registry := agentreg.New(controller.ValidateAttach, controller.OnAgentAttached, controller.OnAgentDetached)
	defer registry.Close()
	controller.SetRegistry(registry)
	controller.SetJWTIssuer(jwtIssuer)

	pipeline := process.New(registry, controller, cfg.CommandGraceSec)
	ptyBridge := pty.New(registry, controller, time.Duration(cfg.PtyIdleTimeoutSec)*time.Second)

	rp := reaper.New(metadataStore, controller, podmanRuntime, workspace, emitter, reaper.Options{
		Interval:   time.Duration(cfg.ReaperIntervalSec) * time.Second,
		WarnWindow: time.Duration(cfg.ExpiringWarnSec) * time.Second,
	})
	rp.Start()
	defer rp.Stop()

	if workspace.Enabled() {
		nfsRoot := nfs.NewRoot(workspace.RootCanonical(), metadataStore)
		nfsServer := nfs.NewServer(cfg.NFSAddr, nfsRoot)
		go func() {
			if err := nfsServer.Start(ctx); err != nil {
				log.Printf("opensandboxd: nfs server stopped: %v", err)
			}
		}()
		defer nfsServer.Close()
	}

	if err := controller.RecoverOnStartup(ctx); err != nil {
		log.Printf("opensandboxd: startup recovery reported errors: %v", err)
	}

	srv := api.NewServer(api.ServerOpts{
		Controller: controller,
		Registry:   registry,
		Pipeline:   pipeline,
		PTYBridge:  ptyBridge,
		JWTIssuer:  jwtIssuer,
		APIKey:     cfg.APIKey,
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("opensandboxd: graceful shutdown error: %v", err)
		}
	}()

	addr := ":" + strconv.Itoa(cfg.Port)
	log.Printf("opensandboxd: listening on %s", addr)
	if err := srv.Start(addr); err != nil && err != os.ErrClosed {
		log.Printf("opensandboxd: server stopped: %v", err)
	}
}
