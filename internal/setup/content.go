package setup

import "os"

// StartWMScript replaces the xrdp window-manager launcher so every remote
// session runs XFCE.
const StartWMScript = `#!/bin/sh
# Managed by rdp2fa. "rdp2fa undo" restores the most recent backup of this file.
if test -r /etc/profile; then
	. /etc/profile
fi
unset DBUS_SESSION_BUS_ADDRESS
unset XDG_RUNTIME_DIR
exec startxfce4
`

// SessionScript is written to the user's session file.
const SessionScript = "startxfce4\n"

const (
	startWMMode  os.FileMode = 0755
	sessionMode  os.FileMode = 0755
	stateDirMode os.FileMode = 0700
)
