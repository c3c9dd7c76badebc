package handlers

import (
	"net/http"
	"runtime"
	"sync"
)

type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

var (
	versionMu   sync.RWMutex
	versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

func SetVersionInfo(info VersionInfo) {
	versionMu.Lock()
	defer versionMu.Unlock()
	versionInfo = info
}

func VersionHandler(w http.ResponseWriter, _ *http.Request) {
	versionMu.RLock()
	info := versionInfo
	versionMu.RUnlock()
	info.GoVersion = runtime.Version()
	writeJSON(w, http.StatusOK, info)
}
