// Package inventory generates the artifacts handed to the configuration
// management layer after a cluster's VMs reach running.
//
// Every cluster gets an Ansible inventory with controller and compute
// groups; cloud clusters additionally get a kubeconfig skeleton aimed at
// the controller's API server. Credentials are deliberately absent from the
// skeleton, the provisioning playbooks inject them once the control plane
// exists.
package inventory
