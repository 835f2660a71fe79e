package criteria

import (
	"github.com/playbookops/conductor/service/dao"
)

// FilterByField matches a record field value against the supplied List
// parameters. A missing or foreign parameter name matches everything.
func FilterByField(name, value string, parameters []*dao.Parameter) bool {
	for _, parameter := range parameters {
		if parameter.Name != name {
			continue
		}
		switch actual := parameter.Value.(type) {
		case string:
			return value == actual
		case []string:
			for _, candidate := range actual {
				if value == candidate {
					return true
				}
			}
			return false
		}
	}
	return true
}
