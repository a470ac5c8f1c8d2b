/*
Package device opens authenticated sessions to network devices.

Opening a session is a three-step contract:

 1. Probe: ICMP echo plus TCP connects to the control and management
    ports. A device that answers nothing is unreachable and no
    credential is attempted against it.
 2. Dial: the family's driver authenticates with one credential. A
    rejection is final for that credential; a transport error gets one
    retry after a short pause.
 3. Run: the session executes commands with a per-command timeout.

Drivers are registered per device family (cisco_ios, juniper_junos, ...)
and carry the family's control port and show command. The built-in
drivers speak SSH with password and keyboard-interactive auth, which
covers most network operating systems; new families only need a Driver
implementation.

The error taxonomy matters to callers: ErrUnreachable means "don't
charge the credential", ErrAuthFailed means "charge it and try the
next", and DeviceError wraps everything transient.
*/
package device
