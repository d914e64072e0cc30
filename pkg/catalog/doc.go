// Package catalog loads the provisioning catalog: the ordered setup steps
// every box runs and the skills a box may request.
//
// A catalog is a CUE file validated against the embedded #Catalog schema and
// then decoded into Go structs:
//
//	setup: [
//		{name: "create-workdirs", commands: ["mkdir -p /workspace"]},
//		{name: "inject-env", env: {FOO: "bar"}, env_script: "env = {\"BOX\": box.id}"},
//	]
//	skills: {
//		git: {name: "Git", install: ["apk add git"], check: "git --version"}
//	}
//
// Setup steps may write files, run commands and inject environment
// variables. Environment variables can be computed per box by a Starlark
// env_script, which must assign a dict of strings to the global env.
//
// When no catalog path is configured the embedded default catalog is used.
package catalog
