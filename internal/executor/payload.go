package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"

	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/models"
)

// ArtifactSource streams payload artifacts from object storage
type ArtifactSource interface {
	Open(ctx context.Context, bucket, object string) (io.ReadCloser, error)
}

// PayloadApplier performs the update step of a rollout: files and artifacts
// go over SFTP, then the payload's commands run in order.
type PayloadApplier struct {
	exec      *SSHExecutor
	lifecycle *Lifecycle
	artifacts ArtifactSource
	logger    logger.Interface
}

// NewPayloadApplier creates a payload applier. artifacts may be nil when no
// object store is configured; payloads referencing an artifact then fail.
func NewPayloadApplier(exec *SSHExecutor, lifecycle *Lifecycle, artifacts ArtifactSource, log logger.Interface) *PayloadApplier {
	return &PayloadApplier{
		exec:      exec,
		lifecycle: lifecycle,
		artifacts: artifacts,
		logger:    log.WithField("component", "payload"),
	}
}

// Apply applies p to node. An empty payload is a no-op.
func (a *PayloadApplier) Apply(ctx context.Context, node *models.Node, p models.Payload) error {
	if p.IsEmpty() {
		return nil
	}

	log := a.logger.WithFields(map[string]interface{}{
		"node":    node.Name,
		"version": p.Version,
	})

	if len(p.Files) > 0 || p.Artifact != nil {
		if err := a.transfer(ctx, node, p); err != nil {
			return err
		}
	}

	for _, cmd := range p.Commands {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := a.lifecycle.Run(ctx, node, cmd)
		if !res.OK {
			return res.Err(node.Host, cmd)
		}
	}

	log.WithFields(map[string]interface{}{
		"files":    len(p.Files),
		"artifact": p.Artifact != nil,
		"commands": len(p.Commands),
	}).Info("Payload applied")
	return nil
}

func (a *PayloadApplier) transfer(ctx context.Context, node *models.Node, p models.Payload) error {
	ep := EndpointFor(node, a.lifecycle.defaultUser)
	client, release, err := a.exec.Pool().Acquire(ctx, ep)
	if err != nil {
		return errors.NewCommandError(node.Host, "sftp", fmt.Sprintf("Failed to establish SSH connection: %v", err))
	}
	defer release()

	sc, err := sftp.NewClient(client)
	if err != nil {
		a.exec.Pool().Invalidate(ep.Key())
		return errors.NewCommandError(node.Host, "sftp", fmt.Sprintf("failed to start sftp subsystem: %v", err))
	}
	defer sc.Close()

	for _, f := range p.Files {
		if err := writeRemote(sc, f.Path, f.Mode, strings.NewReader(f.Content)); err != nil {
			return errors.NewCommandError(node.Host, "upload "+f.Path, err.Error())
		}
	}

	if ref := p.Artifact; ref != nil {
		if a.artifacts == nil {
			return errors.NewCommandError(node.Host, "artifact "+ref.Object, "no artifact store configured")
		}
		rc, err := a.artifacts.Open(ctx, ref.Bucket, ref.Object)
		if err != nil {
			return errors.NewCommandError(node.Host, "artifact "+ref.Object, err.Error())
		}
		defer rc.Close()
		if err := writeRemote(sc, ref.Destination, ref.Mode, rc); err != nil {
			return errors.NewCommandError(node.Host, "upload "+ref.Destination, err.Error())
		}
	}
	return nil
}

func writeRemote(sc *sftp.Client, remotePath string, mode uint32, r io.Reader) error {
	if remotePath == "" {
		return fmt.Errorf("remote path is empty")
	}
	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sc.MkdirAll(dir); err != nil {
			return fmt.Errorf("failed to create remote directory %s: %w", dir, err)
		}
	}

	f, err := sc.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("failed to write remote file: %w", err)
	}
	if mode != 0 {
		if err := f.Chmod(os.FileMode(mode)); err != nil {
			return fmt.Errorf("failed to set file mode: %w", err)
		}
	}
	return nil
}
