package vast

import "fmt"

// OnstartScript returns the shell script a rented instance runs at boot:
// it fetches ComfyUI if missing, installs requirements, and starts the
// server listening on all interfaces so the driver can reach it over the
// instance's forwarded port.
func OnstartScript(comfyDir string, port int, startArgs string) string {
	if comfyDir == "" {
		comfyDir = "/workspace/ComfyUI"
	}
	return fmt.Sprintf(`#!/bin/bash
set -euo pipefail
if [ ! -d %[1]s ]; then
  git clone https://github.com/comfyanonymous/ComfyUI %[1]s
fi
cd %[1]s
pip install -r requirements.txt
nohup python3 main.py --listen 0.0.0.0 --port %[2]d %[3]s >> /tmp/comfyui.log 2>&1 &
`, comfyDir, port, startArgs)
}
