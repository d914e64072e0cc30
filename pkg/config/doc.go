// Package config loads the froyobox configuration.
//
// Configuration comes from three layers, later layers winning: built-in
// defaults, a YAML file, and FROYOBOX_* environment variables. The result
// is validated with struct tags and per-section checks before use.
//
// A minimal file selecting the docker backend:
//
//	server:
//	  address: 0.0.0.0:8080
//	database:
//	  path: /var/lib/froyobox/froyobox.db
//	provider:
//	  type: docker
//	  docker:
//	    base_domain: boxes.example.com
//	deploy:
//	  health:
//	    timeout: 3m
//	  skills:
//	    fail_on_skill_error: false
//
// Unknown keys are rejected so typos do not silently fall back to defaults.
package config
