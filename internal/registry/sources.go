package registry

// Default returns the built-in source table.
func Default() *Registry {
	r, err := New(
		Source{
			ID:       "comptroller",
			Label:    "Comptroller",
			Strategy: StrategyDirect,
			DefaultTemplates: []string{
				"https://comptroller.texas.gov/transparency/reports/certification-revenue-estimate/{year}/",
				"https://comptroller.texas.gov/transparency/reports/annual-cash/fy{fy}/",
			},
			FirstYear: 2016,
		},
		Source{
			ID:       "comptroller_archive",
			Label:    "Comptroller Archive",
			Strategy: StrategyDirect,
			DefaultTemplates: []string{
				"https://comptroller.texas.gov/transparency/reports/archive/",
			},
			FirstYear: 2010,
			MatchYear: true,
		},
		Source{
			ID:       "lbb",
			Label:    "Legislative Budget Board",
			Strategy: StrategyBrowser,
			DefaultTemplates: []string{
				"https://www.lbb.texas.gov/Documents/Appropriations_Bills/{year}/",
				"https://www.lbb.texas.gov/Budget/Fiscal_Size_Up/{year}/",
			},
			FirstYear: 2012,
			MatchYear: true,
		},
		Source{
			ID:       "tea",
			Label:    "Texas Education Agency",
			Strategy: StrategyDirect,
			DefaultTemplates: []string{
				"https://tea.texas.gov/finance-and-grants/state-funding/state-funding-reports-and-data/summary-of-finances-{prev}-{year}",
			},
			FirstYear: 2018,
		},
	)
	if err != nil {
		panic(err)
	}
	return r
}
