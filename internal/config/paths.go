/* usbshare - share physical USB devices over the network
 *
 * Common paths
 */

package config

const (
	// PathConfDir is the path to the system configuration directory
	PathConfDir = "/etc/usbshare"

	// PathProgState is the path to the program state directory
	PathProgState = "/var/lib/usbshare"

	// PathLockDir is the path to the directory that contains lock files
	PathLockDir = PathProgState + "/lock"

	// PathLockFile is the path to the server's single-instance lock file
	PathLockFile = PathLockDir + "/usbshare-server.lock"

	// PathKeyFile is the path to the per-process endpoint secret key,
	// used to derive this host's stable 32-byte endpoint id
	PathKeyFile = PathProgState + "/endpoint.key"

	// PathAuditLog is the default path to the newline-delimited JSON
	// audit log
	PathAuditLog = PathProgState + "/audit.log"
)
