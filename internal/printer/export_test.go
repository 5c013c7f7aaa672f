package printer

var TimeAgoFrom = timeAgo
