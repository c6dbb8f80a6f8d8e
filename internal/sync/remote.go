package sync

// RemoteURLEnv names the environment variable consulted when neither the
// configuration nor the working copy provides a remote URL
const RemoteURLEnv = "SELFUPDATED_REMOTE_URL"

// RemoteURLSources holds every input the remote URL strategies may use
type RemoteURLSources struct {
	Configured  string
	Existing    string
	Environment string
}

type urlStrategy struct {
	name    string
	resolve func(RemoteURLSources) string
}

var remoteURLStrategies = []urlStrategy{
	{name: "config", resolve: func(s RemoteURLSources) string { return s.Configured }},
	{name: "existing-remote", resolve: func(s RemoteURLSources) string { return s.Existing }},
	{name: "environment", resolve: func(s RemoteURLSources) string { return s.Environment }},
}

// ResolveRemoteURL returns the first URL offered by the ordered strategies
// together with the name of the strategy that produced it. Both are empty
// when no strategy has a value.
func ResolveRemoteURL(sources RemoteURLSources) (url, strategy string) {
	for _, s := range remoteURLStrategies {
		if url := s.resolve(sources); url != "" {
			return url, s.name
		}
	}
	return "", ""
}
