package builder

import "path"

const (
	BaseBranch = "base"
	AppTrack   = "master"

	RuntimeIDPrefix = "org.openSUSE.Platform."
	AppIDPrefix     = "org.openSUSE.App."
)

func RuntimeBranch(id, arch, version string) string {
	return path.Join("runtime", id, arch, version)
}

func AppBranch(id, arch string) string {
	return path.Join("app", id, arch, AppTrack)
}

// RuntimeID names the runtime generated for an application image.
func RuntimeID(appName string) string {
	return RuntimeIDPrefix + appName
}

func AppID(appName string) string {
	return AppIDPrefix + appName
}
