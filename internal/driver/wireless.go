package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"piso.network/provisiond/internal/model"
)

// WirelessDriver manages hostapd access points. Configuration is rendered
// to a hostapd.conf in RunDir; the daemon runs backgrounded (-B) with a
// pid file, so it survives provisiond restarts and teardown can find it
// again.
type WirelessDriver struct {
	env *Env
}

func NewWirelessDriver(env *Env) *WirelessDriver { return &WirelessDriver{env: env} }

func (d *WirelessDriver) Kind() model.Kind { return model.KindWireless }

func (d *WirelessDriver) confPath(iface string) string {
	return filepath.Join(d.env.RunDir, "hostapd-"+iface+".conf")
}

func (d *WirelessDriver) stagedPath(iface string) string {
	return d.confPath(iface) + ".staged"
}

func (d *WirelessDriver) pidPath(iface string) string {
	return filepath.Join(d.env.RunDir, "hostapd-"+iface+".pid")
}

// renderConf produces the hostapd configuration for an access point.
func renderConf(w model.WirelessConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "interface=%s\n", w.Interface)
	b.WriteString("driver=nl80211\n")
	fmt.Fprintf(&b, "ssid=%s\n", w.SSID)
	fmt.Fprintf(&b, "hw_mode=%s\n", w.HWMode)
	fmt.Fprintf(&b, "channel=%d\n", w.Channel)
	b.WriteString("auth_algs=1\n")
	b.WriteString("ignore_broadcast_ssid=0\n")
	if !w.Open() {
		b.WriteString("wpa=2\n")
		fmt.Fprintf(&b, "wpa_passphrase=%s\n", w.Password)
		b.WriteString("wpa_key_mgmt=WPA-PSK\n")
		b.WriteString("rsn_pairwise=CCMP\n")
	}
	return b.String()
}

func (d *WirelessDriver) Apply(ctx context.Context, obj model.Object) error {
	w, ok := obj.(model.WirelessConfig)
	if !ok {
		return fmt.Errorf("wireless driver got %T", obj)
	}
	iface := w.Interface

	op := operation{
		stage: func(undo *undoStack) error {
			staged := d.stagedPath(iface)
			// The passphrase lives in this file; keep it unreadable.
			if err := os.WriteFile(staged, []byte(renderConf(w)), 0600); err != nil {
				return fmt.Errorf("failed to stage hostapd config: %w", err)
			}
			undo.push(func() error {
				err := os.Remove(staged)
				if os.IsNotExist(err) {
					return nil
				}
				return err
			})
			return nil
		},
		activate: func(ctx context.Context, undo *undoStack) error {
			conf := d.confPath(iface)

			prev, prevErr := os.ReadFile(conf)
			hadPrev := prevErr == nil

			_, pidErr := os.Stat(d.pidPath(iface))
			hadDaemon := pidErr == nil

			// A leftover daemon from a previous run must go before the new
			// one binds the radio.
			if err := d.stopDaemon(iface); err != nil {
				return err
			}
			if hadDaemon && hadPrev {
				// Rollback must bring the previous AP back up, not just
				// restore its config file. Runs after the config undo below.
				rctx := context.WithoutCancel(ctx)
				undo.push(func() error {
					_, err := d.env.Exec.RunCommand(rctx, d.env.HostapdBin,
						"-B", "-P", d.pidPath(iface), conf)
					return err
				})
			}

			if err := os.Rename(d.stagedPath(iface), conf); err != nil {
				return fmt.Errorf("failed to promote hostapd config: %w", err)
			}
			undo.push(func() error {
				if hadPrev {
					return os.WriteFile(conf, prev, 0600)
				}
				err := os.Remove(conf)
				if os.IsNotExist(err) {
					return nil
				}
				return err
			})

			if _, err := d.env.Exec.RunCommand(ctx, d.env.HostapdBin,
				"-B", "-P", d.pidPath(iface), conf); err != nil {
				return fmt.Errorf("hostapd failed to start: %w", err)
			}
			undo.push(func() error { return d.stopDaemon(iface) })
			return nil
		},
	}
	return d.env.run(ctx, model.KindWireless, w.Key(), op)
}

func (d *WirelessDriver) Teardown(ctx context.Context, key string) error {
	if err := d.stopDaemon(key); err != nil {
		return teardownError(model.KindWireless, key, err)
	}
	for _, p := range []string{d.confPath(key), d.stagedPath(key)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return teardownError(model.KindWireless, key, err)
		}
	}
	return nil
}

// stopDaemon terminates the hostapd instance for iface if one is running.
// A missing or stale pid file is not an error.
func (d *WirelessDriver) stopDaemon(iface string) error {
	pidFile := d.pidPath(iface)
	data, err := os.ReadFile(pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err == nil && pid > 0 {
		if proc, err := os.FindProcess(pid); err == nil {
			if err := proc.Signal(unix.SIGTERM); err != nil && !strings.Contains(err.Error(), "process already finished") {
				d.env.Log.Warn("failed to signal hostapd", "interface", iface, "pid", pid, "error", err)
			}
		}
	}

	if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
