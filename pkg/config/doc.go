// Package config loads the simtree client configuration.
//
// A configuration file is YAML or CUE; the file extension decides. Both
// decode into the same Config, so this YAML
//
//	transport: websocket
//	endpoint: ws://solver-host:7400/simtree
//	schema:
//	  paths: [schemas/]
//	  root: solver
//	journal:
//	  enabled: true
//	  path: ~/.simtree/journal.db
//	policy:
//	  paths: [policies/]
//	  protected: [/mesh]
//
// and this CUE
//
//	transport: "websocket"
//	endpoint:  "ws://solver-host:7400/simtree"
//	schema: {paths: ["schemas/"], root: "solver"}
//	journal: {enabled: true, path: "~/.simtree/journal.db"}
//	policy: {paths: ["policies/"], protected: ["/mesh"]}
//
// are equivalent. Unset fields keep the values of Default. After decoding,
// SIMTREE_ENDPOINT and LOG_LEVEL override the file and the result is
// checked with go-playground/validator struct tags.
package config
