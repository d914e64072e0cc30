package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in deploy admission policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		boxNamingPolicy(),
		maxSkillsPolicy(),
		skillCatalogPolicy(),
		uniqueSkillsPolicy(),
	}
}

func builtin(name, description string, tags []string, rego string) Policy {
	return Policy{
		Name:        name,
		Description: description,
		Rego:        rego,
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        tags,
		UpdatedAt:   time.Now(),
	}
}

// boxNamingPolicy enforces box name and subdomain conventions.
func boxNamingPolicy() Policy {
	return builtin("box-naming",
		"Box names must be non-empty and short; subdomains must be valid DNS labels",
		[]string{"naming", "conventions"},
		`package froyobox.policies.naming

import rego.v1

deny contains violation if {
	trim_space(input.box.name) == ""
	violation := {
		"message": "box name must not be empty",
		"severity": "error",
	}
}

deny contains violation if {
	count(input.box.name) > 64
	violation := {
		"message": sprintf("box name is %d characters long, at most 64 are allowed", [count(input.box.name)]),
		"severity": "error",
	}
}

deny contains violation if {
	not regex.match("^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$", input.box.subdomain)
	violation := {
		"message": sprintf("subdomain '%s' is not a valid DNS label", [input.box.subdomain]),
		"severity": "error",
	}
}
`)
}

// maxSkillsPolicy bounds the number of skills a box may request.
func maxSkillsPolicy() Policy {
	return builtin("max-skills",
		"Limits the number of skills installed on one box",
		[]string{"skills", "limits"},
		`package froyobox.policies.limits

import rego.v1

deny contains violation if {
	input.limits.max_skills > 0
	count(input.box.skills) > input.limits.max_skills
	violation := {
		"message": sprintf("box requests %d skills, at most %d are allowed", [count(input.box.skills), input.limits.max_skills]),
		"severity": "error",
	}
}
`)
}

// skillCatalogPolicy rejects skills the provisioning catalog does not define.
func skillCatalogPolicy() Policy {
	return builtin("skill-catalog",
		"Every requested skill must exist in the provisioning catalog",
		[]string{"skills", "catalog"},
		`package froyobox.policies.catalog

import rego.v1

deny contains violation if {
	some skill in input.box.skills
	not skill in input.catalog.skills
	violation := {
		"message": sprintf("skill '%s' is not in the catalog", [skill]),
		"severity": "error",
	}
}
`)
}

// uniqueSkillsPolicy keeps the requested skills an ordered set.
func uniqueSkillsPolicy() Policy {
	return builtin("unique-skills",
		"A skill may be requested only once per box",
		[]string{"skills"},
		`package froyobox.policies.unique

import rego.v1

deny contains violation if {
	some i, j
	input.box.skills[i] == input.box.skills[j]
	i < j
	violation := {
		"message": sprintf("skill '%s' is requested more than once", [input.box.skills[i]]),
		"severity": "error",
	}
}
`)
}
