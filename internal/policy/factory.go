package policy

import (
	"github.com/CaravanStudios/open-product-recovery-sub000/internal/config"
)

// Factory names accepted in listing_policy config sections.
const (
	UniversalAcceptFactoryName = "UniversalAcceptListingPolicy"
	HierarchicalFactoryName    = "HierarchicalListingPolicy"
)

// NewRegistry returns a factory registry with the built-in listing
// policies registered.
func NewRegistry() *config.Registry[Policy] {
	reg := config.NewRegistry[Policy]()
	reg.Register(UniversalAcceptFactoryName, func(options map[string]any) (Policy, error) {
		var opts struct {
			OrgURLs []string `mapstructure:"orgUrls"`
		}
		if err := config.DecodeOptions(options, &opts); err != nil {
			return nil, err
		}
		return NewUniversalAccept(opts.OrgURLs), nil
	})
	reg.Register(HierarchicalFactoryName, func(options map[string]any) (Policy, error) {
		var opts struct {
			Hierarchies []HierarchyNode `mapstructure:"hierarchies"`
		}
		if err := config.DecodeOptions(options, &opts); err != nil {
			return nil, err
		}
		return NewHierarchical(opts.Hierarchies), nil
	})
	return reg
}
