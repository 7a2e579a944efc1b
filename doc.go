/*
Regfront is a web dashboard for docker registries, for browsing repositories,
tags and image metadata, and for deleting tags and repositories.

  - Connects to registries with the v2 API (docker distribution, and
    compatible registries) and the legacy v1 API. The API version is
    detected when adding a registry.
  - Shows per registry the repositories with their number of tags and size,
    per repository the tags with creation time, layer count and size, and per
    tag the image metadata: creation time, docker version, entrypoint,
    exposed ports, volumes and layers.
  - Deletes tags (v2 and v1) and repositories (v1 only). Whether a registry
    allows deleting is probed, and delete buttons are only shown when it
    does.
  - Registry connections are stored in a builtin database, or configured
    through environment variables for a single registry.
  - Responses from registries are cached for a short while, and the cache is
    cleared after deleting.
  - Serves metrics on a separate admin address.

# Quickstart

	# [...] build or download the regfront binary.

	# generate a config file, and add a first registry.
	./regfront quickstart local http://localhost:5000
	./regfront serve

Then open http://localhost:8080/.

Registries can also be managed from the command line, see "regfront registry
list", "add", "remove" and "probe".

# Image metadata

Registries serve manifests in two formats. Schema 1 manifests have a history
with the container configuration after each build step, from which the
creation time, entrypoint, exposed ports and volumes are taken: the most recent
entry that has a value wins. Schema 2 manifests have accurate layer sizes, from
which the image size and layer count are taken. Both are fetched for each tag.
Registries that no longer serve schema 1 manifests have the image metadata
taken from the image config blob instead.

# Deleting

The v2 API only deletes manifests by digest. Deleting a tag looks up the
digest of its manifest, and deletes that manifest, removing all tags that
point to it. The registry must be configured to allow deleting, for docker
distribution with REGISTRY_STORAGE_DELETE_ENABLED=true. Blobs are only removed
by running garbage collection on the registry.
*/
package main
