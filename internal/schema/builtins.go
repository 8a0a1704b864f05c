package schema

// Builtins returns the domains shipped with tabulator. All of them read the
// e-Stat getStatsData VALUE layout: @tab, @catNN, @area, @time, @unit and $.
func Builtins() []Domain {
	return []Domain{
		{
			Name:  "population",
			Table: "estat_population",
			Fields: []Field{
				{Name: "stat_table", Type: TypeString, Source: "@tab"},
				{Name: "sex_code", Type: TypeString, Source: "@cat01"},
				{Name: "age_code", Type: TypeString, Source: "@cat02"},
				{Name: "area_code", Type: TypeString, Source: "@area"},
				{Name: "year", Type: TypeString, Source: "@time", Slice: []int{0, 4}},
				{Name: "period", Type: TypeString, Source: "@time", Slice: []int{4, 10}},
				{Name: "unit", Type: TypeString, Source: "@unit"},
				{Name: "population", Type: TypeInt, Source: "$", Required: true, NonNegative: true},
			},
			UniqueKey:    []string{"stat_table", "sex_code", "age_code", "area_code", "year", "period"},
			MaxMagnitude: 10_000_000_000,
		},
		{
			Name:  "labor",
			Table: "estat_labor",
			Fields: []Field{
				{Name: "stat_table", Type: TypeString, Source: "@tab"},
				{Name: "category", Type: TypeString, Source: "@cat01", Slice: []int{0, 1}},
				{Name: "subcategory", Type: TypeString, Source: "@cat01", Slice: []int{1, 3}},
				{Name: "employment_status", Type: TypeString, Source: "@cat02"},
				{Name: "area_code", Type: TypeString, Source: "@area"},
				{Name: "year", Type: TypeString, Source: "@time", Slice: []int{0, 4}},
				{Name: "period", Type: TypeString, Source: "@time", Slice: []int{4, 10}},
				{Name: "unit", Type: TypeString, Source: "@unit"},
				{Name: "workers", Type: TypeInt, Source: "$", Required: true, NonNegative: true},
			},
			UniqueKey:    []string{"stat_table", "category", "subcategory", "employment_status", "area_code", "year", "period"},
			MaxMagnitude: 1_000_000_000,
		},
		{
			Name:  "economy",
			Table: "estat_economy",
			Fields: []Field{
				{Name: "stat_table", Type: TypeString, Source: "@tab"},
				{Name: "category", Type: TypeString, Source: "@cat01", Slice: []int{0, 2}},
				{Name: "subcategory", Type: TypeString, Source: "@cat01", Slice: []int{2, 4}},
				{Name: "area_code", Type: TypeString, Source: "@area"},
				{Name: "year", Type: TypeString, Source: "@time", Slice: []int{0, 4}},
				{Name: "period", Type: TypeString, Source: "@time", Slice: []int{4, 10}},
				{Name: "unit", Type: TypeString, Source: "@unit"},
				{Name: "value", Type: TypeInt, Source: "$", Required: true},
			},
			UniqueKey:    []string{"stat_table", "category", "subcategory", "area_code", "year", "period"},
			MaxMagnitude: 1_000_000_000_000_000,
		},
	}
}
