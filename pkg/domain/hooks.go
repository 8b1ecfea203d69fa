package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/tanmoysrt/rdsagent/pkg/types"
)

// The container-supervision side of the boundary (quadlet/systemd unit
// generation, podman, rsync sidecar containers) lives outside this
// repository. HookController and HookProvisioner adapt it through an
// operator-supplied hook executable: the agent invokes it with a verb and
// a JSON payload on stdin and trusts its exit code, the same way the
// agent's own process is supervised from the outside.

// HookController shells lifecycle intents out to hookPath:
//
//	<hook> create|start|stop|restart|delete|upgrade|status <id>
type HookController struct {
	hookPath string
}

func NewHookController(hookPath string) *HookController {
	return &HookController{hookPath: hookPath}
}

func (h *HookController) run(ctx context.Context, verb, id string, payload interface{}) (string, error) {
	cmd := exec.CommandContext(ctx, h.hookPath, verb, id)
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}
		cmd.Stdin = bytes.NewReader(data)
	}
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("domain: hook %s %s: %w", verb, id, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (h *HookController) Create(ctx context.Context, rec types.LocalServiceRecord) error {
	_, err := h.run(ctx, "create", rec.ID, rec)
	return err
}

func (h *HookController) Start(ctx context.Context, id string) error {
	_, err := h.run(ctx, "start", id, nil)
	return err
}

func (h *HookController) Stop(ctx context.Context, id string) error {
	_, err := h.run(ctx, "stop", id, nil)
	return err
}

func (h *HookController) Restart(ctx context.Context, id string) error {
	_, err := h.run(ctx, "restart", id, nil)
	return err
}

func (h *HookController) Delete(ctx context.Context, id string) error {
	_, err := h.run(ctx, "delete", id, nil)
	return err
}

func (h *HookController) Upgrade(ctx context.Context, id, image, tag string) error {
	_, err := h.run(ctx, "upgrade", id, map[string]string{"image": image, "tag": tag})
	return err
}

func (h *HookController) Status(ctx context.Context, id string) (string, error) {
	return h.run(ctx, "status", id, nil)
}

// HookProvisioner launches and destroys rsync sidecar containers through
// the same hook protocol: `<hook> provision <instance_id>` prints the
// access JSON, `<hook> destroy <instance_id>` tears it down.
type HookProvisioner struct {
	hookPath string
}

func NewHookProvisioner(hookPath string) *HookProvisioner {
	return &HookProvisioner{hookPath: hookPath}
}

func (h *HookProvisioner) Provision(ctx context.Context, instanceID, dataPath string) (RsyncAccess, error) {
	cmd := exec.CommandContext(ctx, h.hookPath, "provision", instanceID)
	cmd.Stdin = strings.NewReader(fmt.Sprintf(`{"data_path":%q}`, dataPath))
	out, err := cmd.Output()
	if err != nil {
		return RsyncAccess{}, fmt.Errorf("domain: provision sidecar %s: %w", instanceID, err)
	}
	var access RsyncAccess
	if err := json.Unmarshal(out, &access); err != nil {
		return RsyncAccess{}, fmt.Errorf("domain: sidecar access payload: %w", err)
	}
	access.InstanceID = instanceID
	return access, nil
}

func (h *HookProvisioner) Destroy(ctx context.Context, instanceID string) error {
	if err := exec.CommandContext(ctx, h.hookPath, "destroy", instanceID).Run(); err != nil {
		return fmt.Errorf("domain: destroy sidecar %s: %w", instanceID, err)
	}
	return nil
}

// HookSeeder performs the two-phase rsync through the hook:
// `<hook> seed <instance_id>` with the access JSON on stdin, printing the
// captured GTID (possibly empty) on stdout.
type HookSeeder struct {
	hookPath string
}

func NewHookSeeder(hookPath string) *HookSeeder {
	return &HookSeeder{hookPath: hookPath}
}

func (h *HookSeeder) Seed(ctx context.Context, access RsyncAccess) (string, error) {
	data, err := json.Marshal(access)
	if err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, h.hookPath, "seed", access.InstanceID)
	cmd.Stdin = bytes.NewReader(data)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("domain: seed from sidecar %s: %w", access.InstanceID, err)
	}
	return strings.TrimSpace(string(out)), nil
}

var (
	_ ServiceController       = (*HookController)(nil)
	_ RsyncSidecarProvisioner = (*HookProvisioner)(nil)
	_ ReplicaSeeder           = (*HookSeeder)(nil)
)
