package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "monitor", "lifeline":
		return monitorTemplate, nil
	case "peer":
		return peerTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const monitorTemplate = `admin_addr = "127.0.0.1:7020"
# bearer token required by POST /peers/:peer/restart; empty leaves it open
admin_token = ""

# host process gating for peers with require_host_active
host_pid_file = "/run/lifeline/host.pid"
# how often losses silenced by an inactive host re-check it
host_recheck = "1s"

reload_timeout = "30s"
recovery_workers = 4
reload_max_retries = 2
reload_retry_initial = "1s"
reload_retry_max = "10s"

[[peers]]
id = "control"
transport = "udp"
local_addr = "127.0.0.1:0"
remote_addr = "127.0.0.1:2013"
send_interval = "5s"
buffer_margin = "5s"
initial_grace_threshold = "60s"
receive_wait = "250ms"
action = "reload"
reload_command = "systemctl restart lifeline-{peer}"

[[peers]]
id = "worker"
transport = "udp"
local_addr = "127.0.0.1:0"
remote_addr = "127.0.0.1:2014"
send_interval = "5s"
timeout_threshold = "10s"
initial_grace_threshold = "60s"
action = "log"
require_host_active = true
`

const peerTemplate = `listen_addr = "127.0.0.1:2014"
transport = "udp"
io_timeout = "5s"
silent = false
`
