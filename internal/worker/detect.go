package worker

import "os/exec"

// runtimeCapabilities maps probe binaries to the capability tags an
// embedded worker advertises when it finds them on PATH.
var runtimeCapabilities = map[string]string{
	"python3": "python",
	"node":    "node",
	"go":      "go",
	"git":     "git",
	"docker":  "docker",
}

// DetectCapabilities probes the local machine for known runtimes and
// returns the capability tags an embedded exec worker can honestly
// declare. Used when a worker's configuration omits capabilities.
func DetectCapabilities() []string {
	var caps []string
	for bin, tag := range runtimeCapabilities {
		if _, err := exec.LookPath(bin); err == nil {
			caps = append(caps, tag)
		}
	}
	return caps
}
