// Package policy implements deploy admission with Open Policy Agent.
//
// Before a deploy is accepted the box, its requested skills, and the skills
// offered by the provisioning catalog are evaluated against Rego policies.
// Every policy module defines a `deny` set; each entry is either a string or
// an object with "message" and "severity" fields. Entries with severity
// "error" or "critical" reject the deploy with VALIDATION_FAILED, anything
// else is logged as a warning.
//
// # Built-in policies
//
//   - box-naming: non-empty box names, DNS-label subdomains
//   - max-skills: at most input.limits.max_skills skills per box
//   - skill-catalog: every skill must exist in the catalog
//   - unique-skills: a skill may be requested once
//
// # Input
//
//	{
//	  "operation": "deploy",
//	  "box": {"id": "...", "name": "demo", "subdomain": "demo-x7k2",
//	          "owner_id": "...", "provider": "docker", "status": "pending",
//	          "attempt": 1, "skills": ["git", "node"]},
//	  "catalog": {"skills": ["git", "node", "python"]},
//	  "limits": {"max_skills": 10}
//	}
//
// # Custom policies
//
// Files ending in .rego or .json under the configured paths are loaded in
// lexical order. A .rego policy is named after its file. With watching
// enabled, edits are picked up through fsnotify; a reload that fails to
// compile leaves the previous policies in place.
//
//	package froyobox.custom.owners
//
//	import rego.v1
//
//	deny contains msg if {
//		input.box.owner_id == "suspended"
//		msg := "owner is suspended"
//	}
package policy
