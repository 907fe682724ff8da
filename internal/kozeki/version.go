package kozeki

// Version is stamped into the build metadata of every artifact when build
// info is enabled.
const Version = "0.3.0"
