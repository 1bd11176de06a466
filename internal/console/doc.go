// Package console supervises the judge console process on kiosk stations.
//
// Stations that run the console locally (a browser in kiosk mode pointed at
// the gateway) launch it as a child process so the gateway can keep it alive
// through crashes. The supervisor restarts the console with a configurable
// delay and attempt cap, and tears down the whole process group on shutdown
// so renderer children don't outlive the gateway.
//
// Stations whose consoles connect over the network leave Managed unset and
// never start a supervisor.
package console
