package metrics

// namespace prefixes every sigscope metric name.
const namespace = "sigscope"
