// Package domain models point verification of ensemble forecasts.
//
// # Data
//
// Forecasts arrive as one [ForecastTable] per model. Each row is an ensemble
// forecast for a station (SID), a forecast cycle and a lead time in hours;
// members are stored by column name:
//
//	mbr000, mbr001, ...        members of the cycle itself
//	mbr000_lag6h, ...          members merged from a cycle 6 hours earlier
//
// Observations arrive as an [ObservationTable] with one column per parameter.
// A parameter may be found under its fully qualified name ("AccPcp6h") or its
// base name ("Pcp").
//
// # Case keys
//
// A case is station x validity time x lead time, optionally extended by extra
// grouping columns taken from ForecastRow.Extra. Only cases present in every
// model are verified (see [CommonCases]).
//
// # Model variants
//
// Per-model options (lag, shift, scale, members, file template) are given as
// an [OptionValue]: a scalar broadcast to every model, an unnamed positional
// list, a per-model mapping or a per-sub-model mapping. [ResolveVariants]
// turns them into concrete per-model values. A shifted model may keep an
// unshifted copy named "<model>_unshifted"; the suffix is stripped again when
// results are merged.
//
// # Lead-time chunks
//
// Lead times are processed in groups to bound memory. Group i holds the lead
// times whose index mod the group count is i:
//
//	[0 3 6 9], 2 groups  ->  [0 6] [3 9]
//
// # Errors
//
// [ConfigError] is fatal. Errors wrapping [ErrSkipChunk] drop one iteration
// and are logged. [ErrNoData] is returned once when no iteration produced a
// result.
package domain
