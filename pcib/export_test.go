package pcib

var AllocNonISARanges = (*Bridge).allocNonISARanges
