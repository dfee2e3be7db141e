package usage

// QuerySpec binds one upstream usage query to the gauge family it feeds.
type QuerySpec struct {
	// Metric is the unprefixed gauge family name.
	Metric string
	// Help is the gauge family help text.
	Help string
	// Query is the range query sent to the usage backend. Each query
	// aggregates per user pod and rewrites the pod annotation into a plain
	// username label, which is the join key for group attribution.
	Query string
}

const queryMemoryUsage = `
    label_replace(
        sum(
            container_memory_working_set_bytes{name!="", pod=~"jupyter-.*", namespace=~".*"} * on (namespace, pod)
            group_left(annotation_hub_jupyter_org_username)
            group(
                kube_pod_annotations{namespace=~".*", annotation_hub_jupyter_org_username=~".*"}
                ) by (pod, namespace, annotation_hub_jupyter_org_username)
            ) by (annotation_hub_jupyter_org_username, namespace),
        "username", "$1", "annotation_hub_jupyter_org_username", "(.*)"
    )
`

const queryCPUUsage = `
    label_replace(
        sum(
            irate(container_cpu_usage_seconds_total{name!="", pod=~"jupyter-.*", namespace=~".*"}[5m]) * on (namespace, pod)
            group_left(annotation_hub_jupyter_org_username)
            group(
                kube_pod_annotations{namespace=~".*", annotation_hub_jupyter_org_username=~".*"}
                ) by (pod, namespace, annotation_hub_jupyter_org_username)
            ) by (annotation_hub_jupyter_org_username, namespace),
        "username", "$1", "annotation_hub_jupyter_org_username", "(.*)"
    )
`

const queryMemoryRequests = `
    label_replace(
        sum(
            kube_pod_container_resource_requests{resource="memory", namespace=~".*", pod=~"jupyter-.*"} * on (namespace, pod)
            group_left(annotation_hub_jupyter_org_username) group(
                kube_pod_annotations{namespace=~".*", annotation_hub_jupyter_org_username=~".*"}
                ) by (pod, namespace, annotation_hub_jupyter_org_username)
        ) by (annotation_hub_jupyter_org_username, namespace),
        "username", "$1", "annotation_hub_jupyter_org_username", "(.*)"
    )
`

const queryCPURequests = `
    label_replace(
        sum(
            kube_pod_container_resource_requests{resource="cpu", namespace=~".*", pod=~"jupyter-.*"} * on (namespace, pod)
            group_left(annotation_hub_jupyter_org_username) group(
                kube_pod_annotations{namespace=~".*", annotation_hub_jupyter_org_username=~".*"}
                ) by (pod, namespace, annotation_hub_jupyter_org_username)
        ) by (annotation_hub_jupyter_org_username, namespace),
        "username", "$1", "annotation_hub_jupyter_org_username", "(.*)"
    )
`

const queryHomeDirSize = `
    max(
        dirsize_total_size_bytes{namespace=~".*"}
        * on (namespace, directory) group_left(username)
        group(
            label_replace(
            jupyterhub_user_group_info{namespace=~".*", username_escaped=~".*"},
                "directory", "$1", "username_escaped", "(.+)")
        ) by (directory, namespace, username)
    ) by (namespace, username)
`

// ComputeQueries are the compute and memory usage tasks, refreshed on the
// usage interval.
var ComputeQueries = []QuerySpec{
	{
		Metric: "user_group_memory_bytes",
		Help:   "Working memory set usage in bytes by user and group.",
		Query:  queryMemoryUsage,
	},
	{
		Metric: "user_group_cpu_seconds",
		Help:   "CPU usage in core seconds by user and group.",
		Query:  queryCPUUsage,
	},
	{
		Metric: "user_group_memory_requests_bytes",
		Help:   "Memory requests in bytes by user and group.",
		Query:  queryMemoryRequests,
	},
	{
		Metric: "user_group_cpu_requests_seconds",
		Help:   "CPU requests in core seconds by user and group.",
		Query:  queryCPURequests,
	},
}

// StorageQueries are the home-directory storage tasks, refreshed on the
// storage interval. Directory sizes change slowly and the dirsize scrape is
// expensive, hence the separate timer.
var StorageQueries = []QuerySpec{
	{
		Metric: "user_group_home_dir_bytes",
		Help:   "Home directory usage in bytes by user and group.",
		Query:  queryHomeDirSize,
	},
}
