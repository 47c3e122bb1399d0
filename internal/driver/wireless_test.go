package driver

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piso.network/provisiond/internal/discovery"
	"piso.network/provisiond/internal/model"
)

func TestRenderConfWPA2(t *testing.T) {
	conf := renderConf(model.WirelessConfig{
		Interface: "wlan0",
		SSID:      "PisoWifi-5G",
		Password:  "letmein123",
		Channel:   36,
		HWMode:    "a",
	})

	assert.Contains(t, conf, "interface=wlan0\n")
	assert.Contains(t, conf, "ssid=PisoWifi-5G\n")
	assert.Contains(t, conf, "hw_mode=a\n")
	assert.Contains(t, conf, "channel=36\n")
	assert.Contains(t, conf, "wpa=2\n")
	assert.Contains(t, conf, "wpa_passphrase=letmein123\n")
}

func TestRenderConfOpenNetwork(t *testing.T) {
	conf := renderConf(model.WirelessConfig{
		Interface: "wlan0",
		SSID:      "FreeWifi",
		Channel:   6,
		HWMode:    "g",
	})

	assert.NotContains(t, conf, "wpa=")
	assert.NotContains(t, conf, "wpa_passphrase")
}

func TestWirelessApplyStartsHostapd(t *testing.T) {
	env := testEnv(t, new(discovery.MockNetlinker))
	d := NewWirelessDriver(env)

	exec := env.Exec.(*MockCommandExecutor)
	exec.On("RunCommand", "hostapd", "-B", "-P", d.pidPath("wlan0"), d.confPath("wlan0")).
		Return("", nil)

	w := model.WirelessConfig{Interface: "wlan0", SSID: "PisoWifi", Channel: 6, HWMode: "g"}
	require.NoError(t, d.Apply(context.Background(), w))

	exec.AssertExpectations(t)
	data, err := os.ReadFile(d.confPath("wlan0"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "ssid=PisoWifi")
	// Staged copy was promoted, not left behind.
	_, err = os.Stat(d.stagedPath("wlan0"))
	assert.True(t, os.IsNotExist(err))
}

func TestWirelessApplyRollsBackConfigOnStartFailure(t *testing.T) {
	env := testEnv(t, new(discovery.MockNetlinker))
	d := NewWirelessDriver(env)

	exec := env.Exec.(*MockCommandExecutor)
	exec.On("RunCommand", "hostapd", "-B", "-P", d.pidPath("wlan0"), d.confPath("wlan0")).
		Return("", errors.New("could not configure driver mode"))

	w := model.WirelessConfig{Interface: "wlan0", SSID: "PisoWifi", Channel: 6, HWMode: "g"}
	err := d.Apply(context.Background(), w)

	var de *model.DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, string(StepActivating), de.Step)

	// No config survives a failed activation.
	_, statErr := os.Stat(d.confPath("wlan0"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(d.stagedPath("wlan0"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWirelessRollbackRestartsPreviousDaemon(t *testing.T) {
	env := testEnv(t, new(discovery.MockNetlinker))
	d := NewWirelessDriver(env)

	// An AP is already running: its config and pid file are on disk.
	prev := renderConf(model.WirelessConfig{Interface: "wlan0", SSID: "OldAP", Channel: 1, HWMode: "g"})
	require.NoError(t, os.WriteFile(d.confPath("wlan0"), []byte(prev), 0600))
	require.NoError(t, os.WriteFile(d.pidPath("wlan0"), []byte("999999"), 0644))

	exec := env.Exec.(*MockCommandExecutor)
	// The replacement fails to start; the rollback relaunches the old one.
	exec.On("RunCommand", "hostapd", "-B", "-P", d.pidPath("wlan0"), d.confPath("wlan0")).
		Return("", errors.New("could not configure driver mode")).Once()
	exec.On("RunCommand", "hostapd", "-B", "-P", d.pidPath("wlan0"), d.confPath("wlan0")).
		Return("", nil).Once()

	w := model.WirelessConfig{Interface: "wlan0", SSID: "NewAP", Channel: 6, HWMode: "g"}
	err := d.Apply(context.Background(), w)

	var de *model.DriverError
	require.ErrorAs(t, err, &de)
	exec.AssertExpectations(t)

	// The old config is back in place for the relaunched daemon.
	data, readErr := os.ReadFile(d.confPath("wlan0"))
	require.NoError(t, readErr)
	assert.Contains(t, string(data), "ssid=OldAP")
}

func TestWirelessTeardownWithoutDaemon(t *testing.T) {
	env := testEnv(t, new(discovery.MockNetlinker))
	d := NewWirelessDriver(env)

	// Nothing running, nothing staged: teardown is a no-op.
	require.NoError(t, d.Teardown(context.Background(), "wlan0"))
}
